// Copyright (c) BlueprintFlow Authors.
// Licensed under the MIT License.

/*
Package database 为审计存储提供基于 GORM 的连接池管理。

# 概述

Open 根据 config.DatabaseConfig 选择方言（postgres、mysql，或纯 Go 实现的
sqlite），并用 PoolManager 统一管理连接池参数、后台健康检查与事务重试。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Stats()、Close()。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与健康检查间隔。
  - TransactionFunc：事务回调。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、序列化失败、
连接中断、sqlite 锁等错误按指数退避重试。
*/
package database
