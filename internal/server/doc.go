// Package server 管理 cleo 的 HTTP 监听（API 与 metrics 各一个）：
// 非阻塞启动、可选 TLS、Run 阻塞到 ctx 取消后优雅关闭。
package server
