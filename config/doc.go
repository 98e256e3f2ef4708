// Package config 提供 abflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → ABFLOW_* 环境变量 的顺序叠加，
// experiments 段声明的实验在启动时导入存储。Watcher 轮询配置文件，
// 变更后重新加载并回调，用于运行期导入新增实验。
package config
