package consts

import "time"

// WorkerState defines the lifecycle state of a single worker process.
type WorkerState string

const (
	StateBooting        WorkerState = "BOOTING"
	StateServing        WorkerState = "SERVING"
	StateRestartPending WorkerState = "RESTART_PENDING" // Serve returned, waiting for the next token
	StateStopping       WorkerState = "STOPPING"
	StateTerminated     WorkerState = "TERMINATED"
)

// ClusterState defines the lifecycle state of the master process.
type ClusterState string

const (
	ClusterPending   ClusterState = "PENDING"
	ClusterBooting   ClusterState = "BOOTING"
	ClusterRunning   ClusterState = "RUNNING"
	ClusterReforking ClusterState = "REFORKING" // Origin drained, siblings being replaced
	ClusterStopping  ClusterState = "STOPPING"
	ClusterStopped   ClusterState = "STOPPED"
)

// Environment handed to re-executed worker processes.
const (
	EnvWorkerIndex = "COHORT_WORKER_INDEX"
	EnvMasterID    = "COHORT_MASTER_ID"
	EnvWorkerFDs   = "COHORT_WORKER_FDS" // name=fd list, see internal/ipc
	EnvConfigPath  = "COHORT_CONFIG"
	EnvHookName    = "COHORT_HOOK"
)

const (
	// WorkerCheckInterval is the period of the stats ping.
	WorkerCheckInterval = 5 * time.Second

	// WatchdogPollInterval bounds one parent-liveness poll cycle.
	WatchdogPollInterval = 500 * time.Millisecond

	DefaultHookTimeout    = 30 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
	DefaultHandoffTimeout = 5 * time.Second
	DefaultWorkerShutdown = 30 * time.Second

	// ProcessTitleRole prefixes every worker process title.
	ProcessTitleRole = "cohort: cluster"
)

// Personal.AI order the ending
