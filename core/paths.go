package core

import (
	"os"
	"path/filepath"
)

// DirectoryConstants 宿主可直接使用的目录常量
func DirectoryConstants() map[string]any {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	caches, err := os.UserCacheDir()
	if err != nil {
		caches = os.TempDir()
	}
	library, err := os.UserConfigDir()
	if err != nil {
		library = filepath.Join(home, ".config")
	}
	bundle := "."
	if exe, err := os.Executable(); err == nil {
		bundle = filepath.Dir(exe)
	}

	return map[string]any{
		"MainBundlePath":         bundle,
		"CachesDirectoryPath":    caches,
		"DocumentDirectoryPath":  filepath.Join(home, "Documents"),
		"LibraryDirectoryPath":   library,
		"MusicDirectoryPath":     filepath.Join(home, "Music"),
		"DownloadsDirectoryPath": filepath.Join(home, "Downloads"),
		"PicturesDirectoryPath":  filepath.Join(home, "Pictures"),
	}
}
