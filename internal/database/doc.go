// Package database 管理关系数据库连接池：池参数、健康检查与事务辅助。
package database
