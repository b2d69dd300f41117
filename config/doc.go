// Package config 提供 cleo 执行核心的配置管理。
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量（默认前缀 CLEO）。
// 各组件自己的配置结构（熔断、重试、流模式等）由 cmd 层从这里转换。
package config
