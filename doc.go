// Package labctl manages lab node containers across a fleet of hosts.
//
// # Overview
//
// A lab is a set of hosts, grouped into clusters, each running one lab node
// container. labctl reads the lab file, connects to every selected host over
// SSH (or runs locally when the host is this machine) and drives the node
// through the container runtime CLI.
//
// The tool consists of four layers:
//   - Execution context: local and SSH command execution with sudo
//   - Container control: the runtime CLI contract (create, stop, inspect, ...)
//   - Node lifecycle: start, stop, restart and update with graceful drain
//   - Fleet executor: bounded parallel fan-out with a per-host roster
//
// # Architecture
//
//	┌─────────────────┐
//	│   labctl CLI    │
//	│    (cobra)      │
//	└────────┬────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│ Fleet Executor  │       │  Update Daemon  │
//	│ (worker pool)   │       │   (systemd)     │
//	└────────┬────────┘       └────────┬────────┘
//	         │                         │
//	┌────────▼─────────────────────────▼┐
//	│      Node Lifecycle Controller    │
//	└────────┬──────────────────────────┘
//	         │
//	┌────────▼────────┐
//	│ Runtime CLI over│
//	│  local / SSH    │
//	└─────────────────┘
//
// # Usage
//
// Start the node on every host of a lab:
//
//	labctl start lab.yaml
//
// Stop one cluster, letting in-flight work drain first:
//
//	labctl stop lab.yaml cluster-a --wait
//
// Force a new image on two hosts:
//
//	labctl update lab.yaml lab-host-01 lab-host-02 --tag 2.4.1 --force_update
//
// Hosts with auto_update set get the daemon installed instead; it runs
//
//	labctl daemon /etc/labctl/lab.yaml --host <hostname>
//
// under systemd and keeps the node on the latest image.
//
// # Configuration
//
// The lab file describes hosts and node settings (see internal/labconfig).
// Tool settings such as parallelism and timeouts come from labctl.yaml and
// LABCTL_ environment variables (see internal/config).
//
// Example lab file:
//
//	lab_name: lab-a
//	login_user: lab
//	defaults:
//	  image: gcr.io/acme/labnode:stable
//	  graceful_shutdown: true
//	clusters:
//	  - name: cluster-a
//	    settings:
//	      control_server_url: http://control:9000
//	    hosts:
//	      - hostname: lab-host-01
//	      - hostname: lab-host-02
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Build the binary:
//
//	go build -o labctl ./cmd/labctl
package labctl
