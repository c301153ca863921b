// Package config 统一配置加载：默认值 → YAML 文件 → 环境变量（SUPPORTFLOW_ 前缀）。
package config
