//go:build !unix

package sd

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }
