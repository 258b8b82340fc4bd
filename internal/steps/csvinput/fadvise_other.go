//go:build !linux

package csvinput

import "os"

func adviseSequential(*os.File) {}
