// Package api 暴露扩展宿主的管理接口：插件安装、启停、升级、卸载、任务触发、
// 密钥与出站策略维护以及死信查询，同时把插件声明的路由挂载到统一前缀之下。
// 管理接口按路由分组校验运维令牌，插件路由与健康检查不经过认证。
package api
