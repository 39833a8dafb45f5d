// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供事务重试策略：连接池配置与健康检查由
internal/store 直接承担（它本就持有底层 sql.DB），本包只负责
判定一次事务失败是否值得重试，以及重试之间的退避节奏。

# 核心能力

  - IsRetryableError：识别死锁、序列化失败、连接中断、锁等待超时
    等瞬时性错误，以及 sqlite 在写争用下返回的 "database is locked"。
  - Retry：在 IsRetryableError 为真时按指数退避重试，否则立即
    返回首个错误。

internal/store.Store.TxRetry 组合这两者，供写路径上容易撞上瞬时
锁争用的调用方（例如 agent/queue 的预算检查式写入）使用；
其余事务仍走 Store.Tx。
*/
package database
