package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/internal/daemon"
	"github.com/lsadehaan/cloud-code/pkg/client"
	"github.com/spf13/cobra"
)

// apiClient returns a client for the running daemon. When addr is empty it is
// discovered from the daemon's addr file; the API key comes from
// CLOUDCODE_API_KEY.
func apiClient(cmd *cobra.Command, addr string) (*client.Client, error) {
	if addr == "" {
		home := config.MustHomeFrom(cmd.Context())
		st, err := daemon.Status(cmd.Context(), home)
		if err != nil {
			return nil, err
		}
		if !st.Running {
			return nil, fmt.Errorf("cloudcode is not running (start it with: cloudcode start)")
		}
		addr = st.Addr
	}
	// The daemon listens on 0.0.0.0; reach it via localhost.
	addr = strings.Replace(addr, "0.0.0.0", "localhost", 1)
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return client.New(addr, os.Getenv("CLOUDCODE_API_KEY")), nil
}
