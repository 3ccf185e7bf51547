/*
Package server 管理 blueprintflow serve 命令的 HTTP 服务器生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，Wait 等待 ctx 结束
（通常来自 SIGINT/SIGTERM）或服务异常退出，然后在 ShutdownTimeout 内
优雅关闭。ConfigFrom 将 config.ServerConfig 转换为监听地址与超时设置。
*/
package server
