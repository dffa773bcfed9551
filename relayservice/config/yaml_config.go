package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

// YamlQueueConfig selects the recipient queue backend. "memory" keeps the
// per-recipient buffers in process memory; "redis" keeps them in Redis
// lists with identical drain semantics.
type YamlQueueConfig struct {
	Type  string          `yaml:"type"` // "memory" or "redis"
	Redis YamlRedisConfig `yaml:"redis"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// YamlConfig defines the structure for unmarshaling the embedded
// config.yaml file.
type YamlConfig struct {
	ProjectID             string          `yaml:"project_id"`
	RunMode               string          `yaml:"run_mode"`
	APIPort               string          `yaml:"api_port"`
	WebSocketPort         string          `yaml:"websocket_port"`
	IdentityServiceURL    string          `yaml:"identity_service_url"`
	Cors                  YamlCorsConfig  `yaml:"cors"`
	Queue                 YamlQueueConfig `yaml:"queue"`
	CredentialsCollection string          `yaml:"credentials_collection"`
	IngressTopicID        string          `yaml:"ingress_topic_id"`
	IngressSubscriptionID string          `yaml:"ingress_subscription_id"`
	IngressTopicDLQID     string          `yaml:"ingress_topic_dlq_id"`
	PushTopicID           string          `yaml:"push_topic_id"`
	NumPipelineWorkers    int             `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the raw unmarshaled YamlConfig into a clean,
// base AppConfig struct. Environment overrides are applied later by
// UpdateConfigWithEnvOverrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		ProjectID:             yamlCfg.ProjectID,
		RunMode:               yamlCfg.RunMode,
		APIPort:               yamlCfg.APIPort,
		WebSocketPort:         yamlCfg.WebSocketPort,
		IdentityServiceURL:    yamlCfg.IdentityServiceURL,
		Cors:                  yamlCfg.Cors,
		Queue:                 yamlCfg.Queue,
		CredentialsCollection: yamlCfg.CredentialsCollection,
		IngressTopicID:        yamlCfg.IngressTopicID,
		IngressSubscriptionID: yamlCfg.IngressSubscriptionID,
		IngressTopicDLQID:     yamlCfg.IngressTopicDLQID,
		PushTopicID:           yamlCfg.PushTopicID,
		NumPipelineWorkers:    yamlCfg.NumPipelineWorkers,
	}
	return appCfg, nil
}
