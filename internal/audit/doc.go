/*
Package audit 记录每个工作流实例的输入与结果。

引擎在实例开始时调用 Recorder.Started 写入 IN_PROGRESS 记录，结束时调用
Recorder.Finished 将其更新为 COMPLETED，并附上 SUCCESS、FAILURE 或 CANCELLED
结果与捕获到的错误。审计失败只记录日志，不影响工作流本身。

存储后端：

  - GormStore：audit_records 表，支持 postgres、mysql 与 sqlite。
  - RedisStore：每条记录一个 JSON 值，按 workflow id 与 request id 建有序集合索引。
*/
package audit
