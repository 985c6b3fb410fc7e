package tasklist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func TestParse(t *testing.T) {
	is := is.New(t)
	got := Parse([]byte("https://chaturbate.com/alice/|1\n\n  https://chaturbate.com/bob/|0\r\nhttps://chaturbate.com/carol/\n|1\n"))
	is.Equal(got, []Entry{
		{URL: "https://chaturbate.com/alice/", Infinite: true},
		{URL: "https://chaturbate.com/bob/"},
		{URL: "https://chaturbate.com/carol/"},
	})
}

func TestLoadMissingFile(t *testing.T) {
	is := is.New(t)
	got, err := Load(filepath.Join(t.TempDir(), "tasks.txt"))
	is.NoErr(err)
	is.Equal(len(got), 0)
}

func TestSaveAndLoad(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.txt")
	entries := []Entry{
		{URL: "https://chaturbate.com/alice/", Infinite: true},
		{URL: "https://chaturbate.com/bob/"},
	}

	is.NoErr(Save(path, entries))
	raw, err := os.ReadFile(path)
	is.NoErr(err)
	is.Equal(string(raw), "https://chaturbate.com/alice/|1\nhttps://chaturbate.com/bob/|0\n")

	got, err := Load(path)
	is.NoErr(err)
	is.Equal(got, entries)

	is.NoErr(Save(path, nil)) // overwrite with an empty list
	got, err = Load(path)
	is.NoErr(err)
	is.Equal(len(got), 0)

	left, err := os.ReadDir(dir)
	is.NoErr(err)
	is.Equal(len(left), 1) // no temp files left behind
}

func TestSaveUnwritableDir(t *testing.T) {
	is := is.New(t)
	err := Save(filepath.Join(t.TempDir(), "missing", "tasks.txt"), nil)
	is.True(err != nil)
}
