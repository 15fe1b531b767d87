package pathresolver

import "os"

func defaultExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
