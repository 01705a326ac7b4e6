// Package auth 为作业接口提供 Bearer 令牌认证与按方法的权限校验。令牌只以
// SHA-256 摘要形式保存在内存中。
package auth
