// Package db 内嵌 SQL 迁移文件
package db

import "embed"

// Migrations 内嵌的 *_up.sql 迁移
//
//go:embed migrations/*.sql
var Migrations embed.FS
