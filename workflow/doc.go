// Copyright (c) BlueprintFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供与业务无关的工作流图执行引擎。

# 概述

引擎沿着由命名节点组成的有向无环图推进：START 与 END 是保留的哨兵节点，
每条边带有 SUCCESS 或 FAILURE 标签。节点的具体含义完全交给外部的
StepExecutor 决定，引擎只负责选择下一步执行哪些节点、跳过哪些分支、
为每个节点设置超时、并发执行互不依赖的分支并汇总所有错误。

# 核心类型

  - Graph              — 不可变、已校验的工作流图，可被多个实例共享
  - Parse / MustParse  — 解析 [A>B/SUCCESS, ...] 文本表示
  - Definition         — YAML / JSON 的 steps + on_success / on_failure 表示
  - StepExecutor       — 执行器契约（Initialize / Prepare / Execute / Skip / Output）
  - Engine             — 驱动工作流实例；每个实例拥有独立的 mailbox goroutine
  - Result / Summary   — 最终节点状态、捕获的错误与执行历史
  - ExecutionHistory   — 分层遍历的逐节点记录，可存入 ExecutionHistoryStore

# 遍历规则

  - 节点完成后，其标签匹配的出边变为 active，其余出边携带 skip 标记。
  - 所有入边均已决议时节点就绪：任一入边 active 则执行；否则有 skip 标记
    则调用 SkipNode；否则直接标记为 Skipped（不调用执行器）。
  - 被跳过的节点按 SUCCESS 传播 skip 标记，其 FAILURE 出边被剪枝。
  - 失败与超时的节点按 FAILURE 标签选择后继。
  - 同一层的节点在工作池上并发执行，全部返回后才计算下一层。
  - 包含 END 的层结束后遍历停止，仍处于 Pending 的节点标记为 Skipped。

# 错误

图格式错误（GraphFormatError）同步返回；节点失败（StepExecutionError）与
超时（StepTimeoutError）被捕获并交给 PrepareWorkflowOutput；引擎关闭后的
调用返回 EngineClosedError；取消 ctx 会在当前层排空后以包装后的 ctx 错误
返回已构建的输出。
*/
package workflow
