package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cmdUtil "github.com/ValentinKolb/dRaft/cmd/util"
	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/ValentinKolb/dRaft/lib/engine/etcdraft"
	"github.com/ValentinKolb/dRaft/lib/replica"
)

var (
	serveCmdConfig common.ReplicaConfig

	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dRaft replica",
		Long:    `Start a dRaft replica with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DRAFT_<flag> (e.g. DRAFT_NODE_ID=1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitEnvConfig)
	cmdUtil.SetupReplicaFlags(ServeCmd)
}

// processConfig reads the configuration from the command line flags and
// environment variables and validates it
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	cfg, err := cmdUtil.GetReplicaConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	serveCmdConfig = cfg
	return nil
}

// run starts the replica and blocks until the process is signalled
func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(serveCmdConfig)

	mgr, err := replica.NewReplicaManager(
		serveCmdConfig,
		etcdraft.NewEngineFactory(),
		replica.NewProcessFaultHandler(),
	)
	if err != nil {
		return fmt.Errorf("failed to create replica: %v", err)
	}

	if err := mgr.Startup(); err != nil {
		mgr.Shutdown()
		return fmt.Errorf("failed to start replica: %v", err)
	}

	fmt.Printf("replica %d is running (working directory %s)\n",
		serveCmdConfig.NodeID, mgr.WorkingDir())
	fmt.Println("press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	fmt.Printf("received %s, shutting down\n", sig)
	mgr.Shutdown()
	return nil
}
