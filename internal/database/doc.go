/*
Package database 负责打开 checkpoint / 审批存储使用的关系型数据库，
并管理连接池。

# 驱动

	postgres  gorm.io/driver/postgres
	mysql     gorm.io/driver/mysql
	sqlite    github.com/glebarez/sqlite（纯 Go，无需 cgo）
	sqlite3   gorm.io/driver/sqlite（cgo）

# 连接池

PoolManager 设置连接池参数，后台定时 Ping 并把连接数上报给
StatsRecorder（metrics.Collector）。WithTransactionRetry 使用
retry 包的策略，只对 TransientErrors 中的错误（死锁、序列化失败、
连接中断等）重试。
*/
package database
