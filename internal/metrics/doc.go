/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP 请求、
工作流实例与节点任务三个维度。

# 概述

Collector 通过 promauto.With(reg) 注册全部指标，reg 为 nil 时使用
prometheus.DefaultRegisterer。所有指标按 namespace 隔离，Handler
返回对应 Registry 的 /metrics 处理器。nil 的 *Collector 上调用任意
记录方法都是空操作，引擎与中间件无需判空。

# 主要能力

  - HTTP 指标：请求总数与耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：执行总数、耗时、在途实例数与遍历层数，按最终状态分组。
  - 节点指标：任务总数与耗时，按 action/outcome 分组。
*/
package metrics
