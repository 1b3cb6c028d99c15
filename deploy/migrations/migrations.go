package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// For 返回指定方言的迁移文件目录，文件名以版本号开头。
func For(dialect string) (fs.FS, error) {
	switch dialect {
	case "mysql", "sqlite":
		return fs.Sub(files, dialect)
	default:
		return nil, fmt.Errorf("没有 %s 方言的迁移文件", dialect)
	}
}
