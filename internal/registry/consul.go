// Package registry tracks which transport node a remote device is
// currently attached to, so FanOut can route an outbound
// RatchetEnvelope to the right node in a multi-node deployment
// (SPEC_FULL.md §6). Node membership uses Consul's service catalog;
// the device -> node mapping uses Consul's KV store, refreshed by each
// node as devices connect and disconnect.
//
// Grounded on internal/registry/consul.go's ConsulRegistry: the
// Register/Deregister/WatchServices shape for node membership is kept
// as-is, generalized from a hardcoded "chat-server" service name to
// the caller-supplied nodeID, with the device-routing KV layer added
// on top (the teacher had no equivalent — every connection terminated
// on the one node that routes were structurally pre-tied to).
package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

const serviceName = "session-engine-transport"

// NodeRegistry registers this transport node's liveness with Consul
// and maintains the device -> node routing table.
type NodeRegistry struct {
	client   *api.Client
	nodeID   string
	nodePort int
	logger   *log.Logger
}

// NewNodeRegistry connects to the Consul agent at addr.
func NewNodeRegistry(addr, nodeID, nodePort string) (*NodeRegistry, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: connect to consul: %w", err)
	}

	port, err := strconv.Atoi(nodePort)
	if err != nil {
		port = 8080
	}

	return &NodeRegistry{
		client:   client,
		nodeID:   nodeID,
		nodePort: port,
		logger:   log.New(os.Stdout, "[REGISTRY] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// Register advertises this node as a healthy transport endpoint.
func (r *NodeRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      r.nodeID,
		Name:    serviceName,
		Port:    r.nodePort,
		Address: hostname,
		Tags:    []string{"session-engine", "transport"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/healthz", hostname, r.nodePort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{"node_id": r.nodeID},
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("registry: register node: %w", err)
	}
	r.logger.Printf("registered transport node %s", r.nodeID)
	return nil
}

// Deregister removes this node from the catalog.
func (r *NodeRegistry) Deregister() error {
	if err := r.client.Agent().ServiceDeregister(r.nodeID); err != nil {
		return fmt.Errorf("registry: deregister node: %w", err)
	}
	r.logger.Printf("deregistered transport node %s", r.nodeID)
	return nil
}

// HealthyNodes lists the IDs of every transport node currently passing
// its health check.
func (r *NodeRegistry) HealthyNodes() ([]string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: query healthy nodes: %w", err)
	}

	nodes := make([]string, 0, len(services))
	for _, svc := range services {
		nodes = append(nodes, svc.Service.ID)
	}
	return nodes, nil
}

// WatchNodes blocks, invoking callback whenever the healthy-node set
// changes, until the long-poll errs out repeatedly is not fatal — it
// backs off and retries.
func (r *NodeRegistry) WatchNodes(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := r.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			r.logger.Printf("ERROR: watch transport nodes: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex != lastIndex {
			lastIndex = meta.LastIndex
			nodes := make([]string, 0, len(services))
			for _, svc := range services {
				nodes = append(nodes, svc.Service.ID)
			}
			callback(nodes)
		}
	}
}

// ResolveNode returns the host:port a registered transport node is
// reachable at, for forwarding a send to the node a recipient device
// is currently attached to.
func (r *NodeRegistry) ResolveNode(nodeID string) (string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("registry: resolve node %s: %w", nodeID, err)
	}
	for _, svc := range services {
		if svc.Service.ID == nodeID {
			return fmt.Sprintf("%s:%d", svc.Service.Address, svc.Service.Port), nil
		}
	}
	return "", fmt.Errorf("registry: node %s not found in catalog", nodeID)
}

// deviceKey builds the KV path a device's current node pins to.
func deviceKey(deviceID string) string {
	return fmt.Sprintf("session-engine/devices/%s", deviceID)
}

// AttachDevice records that deviceID's live connection is on this
// node, for other nodes' FanOut routing to find.
func (r *NodeRegistry) AttachDevice(deviceID string) error {
	pair := &api.KVPair{Key: deviceKey(deviceID), Value: []byte(r.nodeID)}
	if _, err := r.client.KV().Put(pair, nil); err != nil {
		return fmt.Errorf("registry: attach device %s: %w", deviceID, err)
	}
	return nil
}

// DetachDevice removes the routing entry on disconnect. A later
// LocateDevice on a stale entry is expected — FanOut/TaskProcessor
// treat an unreachable node the same as an unreachable device.
func (r *NodeRegistry) DetachDevice(deviceID string) error {
	if _, err := r.client.KV().Delete(deviceKey(deviceID), nil); err != nil {
		return fmt.Errorf("registry: detach device %s: %w", deviceID, err)
	}
	return nil
}

// LocateDevice returns the node ID a device is currently attached to,
// and false if no routing entry exists (the device has never
// connected, or was cleanly detached).
func (r *NodeRegistry) LocateDevice(deviceID string) (string, bool, error) {
	pair, _, err := r.client.KV().Get(deviceKey(deviceID), nil)
	if err != nil {
		return "", false, fmt.Errorf("registry: locate device %s: %w", deviceID, err)
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}
