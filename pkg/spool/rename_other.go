//go:build !linux

package spool

func renameNoReplace(oldpath, newpath string) error {
	return renameChecked(oldpath, newpath)
}
