package filedev

import (
	"path/filepath"
	"testing"

	"github.com/zeebo/assert"
)

func TestDevice(t *testing.T) {
	geo := Geometry{SectorSize: 256, SectorCount: 8, WriteAlign: 4}

	t.Run("CreateOpen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flash.img")

		d, err := Create(path, geo)
		assert.NoError(t, err)

		assert.NoError(t, d.Write(0, []byte{1, 2, 3, 4}))
		assert.NoError(t, d.Sync())
		assert.NoError(t, d.Close())

		d, err = Open(path, geo)
		assert.NoError(t, err)
		defer d.Close()

		buf := make([]byte, 4)
		assert.NoError(t, d.Read(0, buf))
		assert.DeepEqual(t, buf, []byte{1, 2, 3, 4})
	})

	t.Run("OpenWrongSize", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flash.img")

		d, err := Create(path, geo)
		assert.NoError(t, err)
		assert.NoError(t, d.Close())

		_, err = Open(path, Geometry{SectorSize: 256, SectorCount: 16, WriteAlign: 4})
		assert.Error(t, err)
	})

	t.Run("NorSemantics", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flash.img")

		d, err := Create(path, geo)
		assert.NoError(t, err)
		defer d.Close()

		assert.NoError(t, d.Write(0, []byte{0x00, 0xFF, 0x0F, 0xF0}))
		assert.Error(t, d.Write(0, []byte{0xFF, 0xFF, 0x0F, 0xF0}))

		assert.NoError(t, d.Erase(0, 256))
		buf := make([]byte, 4)
		assert.NoError(t, d.Read(0, buf))
		assert.DeepEqual(t, buf, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	})

	t.Run("BadGeometry", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flash.img")

		_, err := Create(path, Geometry{SectorSize: 256, SectorCount: 8, WriteAlign: 3})
		assert.Error(t, err)

		_, err = Create(path, Geometry{WriteAlign: 4})
		assert.Error(t, err)
	})
}
