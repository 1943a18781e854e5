package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Run inputs
	BuildNumber int // 0 means "allocate the next number from the run store"
	CommitRef   string
	WorkDir     string
	OutputDir   string   // bundler output, relative to WorkDir
	ReportDir   string   // archived stage reports, relative to WorkDir
	Outputs     []string // files/dirs packaged by the artifact publisher

	// Image and registry
	ImageRepo   string
	RegistryURL string

	// Deployment target
	ServiceName   string
	PublishedPort int
	DeployHost    string
	HealthPath    string
	HealthRetries int
	HealthDelay   time.Duration
	SettleDelay   time.Duration

	// Quality gate
	AnalysisURL string
	ProjectKey  string
	GateTimeout time.Duration

	// Artifact repository
	ArtifactRepoURL string
	ArtifactGroup   string
	ArtifactID      string

	// Housekeeping
	RetainImages int

	// Control API
	Port        string
	ValidSecret string

	// Monitoring
	NewRelicLicense string
	NewRelicAppName string
	NewRelicEnabled bool
}

func Load() *Config {
	newRelicEnabledStr := getEnv("NEW_RELIC_ENABLED", "false")
	newRelicEnabled, err := strconv.ParseBool(newRelicEnabledStr)
	if err != nil {
		newRelicEnabled = false
	}

	cfg := &Config{
		BuildNumber:     getEnvInt("BUILD_NUMBER", 0),
		CommitRef:       getEnv("COMMIT_REF", "main"),
		WorkDir:         getEnv("WORKSPACE_DIR", "."),
		OutputDir:       getEnv("OUTPUT_DIR", "dist"),
		ReportDir:       getEnv("REPORT_DIR", "reports"),
		Outputs:         []string{"dist"},
		ImageRepo:       getEnv("IMAGE_REPO", "webship/spa"),
		RegistryURL:     getEnv("REGISTRY_URL", "registry.webship.local"),
		ServiceName:     getEnv("SERVICE_NAME", "webship-spa"),
		PublishedPort:   getEnvInt("PUBLISHED_PORT", 3000),
		DeployHost:      getEnv("DEPLOY_HOST", "localhost"),
		HealthPath:      getEnv("HEALTH_PATH", "/"),
		HealthRetries:   getEnvInt("HEALTH_RETRIES", 5),
		HealthDelay:     getEnvDuration("HEALTH_DELAY", 3*time.Second),
		SettleDelay:     getEnvDuration("SETTLE_DELAY", 5*time.Second),
		AnalysisURL:     getEnv("ANALYSIS_URL", "http://sonarqube:9000"),
		ProjectKey:      getEnv("PROJECT_KEY", "webship-spa"),
		GateTimeout:     getEnvDuration("GATE_TIMEOUT", 2*time.Minute),
		ArtifactRepoURL: getEnv("ARTIFACT_REPO_URL", "http://nexus:8081/repository/raw-releases"),
		ArtifactGroup:   getEnv("ARTIFACT_GROUP", "webship"),
		ArtifactID:      getEnv("ARTIFACT_ID", "spa-bundle"),
		RetainImages:    getEnvInt("RETAIN_IMAGES", 5),
		Port:            getEnv("PORT", "16167"),
		ValidSecret:     getEnv("RPC_SECRET", "change-this-64-character-secret-key-before-running-in-production"),
		NewRelicLicense: getEnv("NEW_RELIC_LICENSE_KEY", ""),
		NewRelicAppName: getEnv("NEW_RELIC_APP_NAME", "webship-pipeline"),
		NewRelicEnabled: newRelicEnabled,
	}

	// A shipfile in the workspace overrides build-specific settings
	if err := cfg.applyShipfile(); err != nil {
		fmt.Fprintf(os.Stderr, "shipfile ignored: %v\n", err)
	}

	return cfg
}

// ImageTag returns the image reference for a given build number.
func (c *Config) ImageTag(buildNumber int) string {
	return fmt.Sprintf("%s:%d", c.ImageRepo, buildNumber)
}

// LatestTag returns the floating alias for the image repository.
func (c *Config) LatestTag() string {
	return c.ImageRepo + ":latest"
}

// Endpoint returns the URL the deployed service answers on.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", c.DeployHost, c.PublishedPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
