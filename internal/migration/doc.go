/*
Package migration 管理 checkpoints、agent_threads、approval_interrupts
三张表的 schema，基于 golang-migrate 与内嵌 SQL 文件实现，
支持 PostgreSQL、MySQL 与 SQLite。

	m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
	if err != nil { ... }
	defer m.Close()
	err = m.Up(ctx)

迁移文件位于 migrations/<dialect>/NNNNNN_name.{up,down}.sql。
SQLite 迁移通过 sqlite3（cgo）驱动执行；运行时的 gorm 连接
可以使用纯 Go 的 sqlite 驱动访问同一个文件。
*/
package migration
