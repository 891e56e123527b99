package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Operating system constants
const (
	OSAndroid = "android"
	OSWindows = "windows"
)

// File permissions
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// Layout directory names. Changing them orphans assets already on disk.
const (
	AppDirName          = "vrenv"
	EnvironmentsDirName = "environments"
	DownloadsDirName    = "downloads"
	DatabaseFileName    = "downloads.db"
	AndroidFilesRoot    = "/sdcard/Android/data/com.ytget.vrenv/files"
)

// ErrInvalidKey is returned for environment keys that cannot name a directory
var ErrInvalidKey = errors.New("invalid environment key")

// CreateDirectoryIfNotExists creates the directory and its parents when missing
func CreateDirectoryIfNotExists(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, DefaultDirPermissions)
	}
	return nil
}

// DirExists reports whether path exists and is a directory
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// FileExists reports whether path exists and is a regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// IsAndroid reports whether the process runs on Android
func IsAndroid() bool {
	return runtime.GOOS == OSAndroid ||
		os.Getenv("ANDROID_DATA") != "" ||
		os.Getenv("ANDROID_ROOT") != "" ||
		os.Getenv("ANDROID_STORAGE") != ""
}

// GetDefaultDataDir returns the per-user directory for downloaded assets:
// $XDG_DATA_HOME/vrenv, or ~/.local/share/vrenv when it is unset
func GetDefaultDataDir() (string, error) {
	if IsAndroid() {
		return AndroidFilesRoot, nil
	}

	base := os.Getenv("XDG_DATA_HOME")
	if base == "" || !filepath.IsAbs(base) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user data directory: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, AppDirName), nil
}

// EnvironmentsDir returns the directory holding one subdirectory per environment
func EnvironmentsDir(root string) string {
	return filepath.Join(root, EnvironmentsDirName)
}

// DownloadsDir returns the directory downloaded archives are written to
func DownloadsDir(root string) string {
	return filepath.Join(root, DownloadsDirName)
}

// DatabasePath returns the path of the download job database
func DatabasePath(root string) string {
	return filepath.Join(root, DatabaseFileName)
}

// EnvPath returns the directory an environment key is unpacked into
func EnvPath(root, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(EnvironmentsDir(root), key), nil
}

// ValidateKey rejects keys that would escape the environments directory
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
