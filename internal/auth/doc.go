// Package auth 为管理接口提供 Bearer 令牌认证。令牌在配置中声明，可限定可管理的租户与权限；
// 插件路由不经过此中间件，租户身份由网关注入的请求头决定。
package auth
