/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、执行生命周期、
熔断与重试、Checkpoint、人工审批、事件流与数据库连接池。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 注册

NewCollector 注册到默认 registry；测试与多实例场景使用
NewCollectorWithRegistry 传入独立的 prometheus.Registry，
避免重复注册。
*/
package metrics
