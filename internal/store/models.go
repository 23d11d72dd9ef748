package store

import "time"

type Platform string

const (
	PlatformForgejo Platform = "forgejo"
	PlatformGitHub  Platform = "github"
)

type Project struct {
	Name          string
	CloneURL      string
	Platform      Platform
	WebhookSecret string
	DefaultBranch string
	// ExpiryWindowSecs overrides the daemon-wide default expiry window
	// (spec.md §4.3.3: "the project's configured expiry window") for
	// this project's preview deployments. 0 means use the default.
	ExpiryWindowSecs int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ServiceKind string

const (
	ServiceKindService ServiceKind = "service"
	ServiceKindStatic  ServiceKind = "static"
	ServiceKindImage   ServiceKind = "image"
)

type Service struct {
	Project                string
	ServiceName            string
	Kind                   ServiceKind
	CustomDomain           string
	HealthCheck            string
	HealthCheckTimeoutSecs int
	SPA                    bool
	PreviewDatabase        bool
	FlakeOutput            string
	DrainSecs              int
	Secrets                []string
	Env                    map[string]string
	UpdatedAt              time.Time
}

type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildBuilding  BuildStatus = "building"
	BuildSuccess   BuildStatus = "success"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

type Build struct {
	ID          string
	Project     string
	GitRef      string
	CommitHash  string
	Status      BuildStatus
	TriggeredBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

type BuildResultStatus string

const (
	ResultPending  BuildResultStatus = "pending"
	ResultBuilding BuildResultStatus = "building"
	ResultSuccess  BuildResultStatus = "success"
	ResultSkipped  BuildResultStatus = "skipped"
	ResultFailed   BuildResultStatus = "failed"
)

type BuildResult struct {
	ID          string
	BuildID     string
	ServiceName string
	Status      BuildResultStatus
	StorePath   string
	Changed     bool
	LogPath     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DeploymentStatus string

const (
	DeploymentPending     DeploymentStatus = "pending"
	DeploymentBuilding    DeploymentStatus = "building"
	DeploymentActive      DeploymentStatus = "active"
	DeploymentFailed      DeploymentStatus = "failed"
	DeploymentTearingDown DeploymentStatus = "tearing_down"
	DeploymentTornDown    DeploymentStatus = "torn_down"
)

type DNSStatus string

const (
	DNSPending DNSStatus = "pending"
	DNSActive  DNSStatus = "active"
	DNSFailed  DNSStatus = "failed"
)

type Deployment struct {
	ID           string
	Project      string
	ServiceName  string
	Branch       string
	BranchSlug   string
	GitRef       string
	StorePath    string
	Port         *int
	Domain       string
	StaticPath   string
	Status       DeploymentStatus
	DNSStatus    DNSStatus
	BuildID      string
	HealthURL    string
	LastCheckAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
}

type PortAllocation struct {
	Port         int
	DeploymentID string
	CreatedAt    time.Time
}

type PreviewDatabase struct {
	Name         string
	Project      string
	Branch       string
	Slot         int
	DeploymentID string
	CreatedAt    time.Time
}

type DNSRecordType string

const (
	DNSRecordA    DNSRecordType = "A"
	DNSRecordAAAA DNSRecordType = "AAAA"
)

type DNSRecord struct {
	FQDN             string
	DeploymentID     string
	ProviderRecordID string
	RecordType       DNSRecordType
	Address          string
	CreatedAt        time.Time
}
