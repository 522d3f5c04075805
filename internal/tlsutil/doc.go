// Copyright (c) BotFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 提供出站连接的 TLS 加固设置（TLS 1.2+，仅 AEAD 密码套件），
// 用于 http_request 节点的 HTTP 客户端和可选的 Redis TLS 连接。
package tlsutil
