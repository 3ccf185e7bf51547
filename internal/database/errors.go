package database

import "errors"

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")
