package config

import "time"

// DefaultConfig 返回全部配置项的默认值。
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "supportflow",
			Password:        "",
			Name:            "supportflow",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "",
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
			RPS:     0,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com/v1",
			APIKey:     "",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			MaxTokens:  8000,
		},
		VectorStore: VectorStoreConfig{
			Backend:       "embedded",
			RemoteTimeout: 10 * time.Second,
		},
		Retrieval: RetrievalConfig{
			BaseK:         3,
			BranchTimeout: 5 * time.Second,
		},
		Workflow: WorkflowConfig{
			RefreshInterval: 5 * time.Minute,
			MaxRetries:      3,
		},
		Notify: NotifyConfig{
			WebhookURL: "",
			Timeout:    10 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
	}
}
