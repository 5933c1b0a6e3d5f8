package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/devrev/cachemesh/internal/model"
)

// Manifest is a static description of the cluster's nodes
type Manifest struct {
	Nodes []ManifestNode `yaml:"nodes"`
}

// ManifestNode is one node entry of a manifest
type ManifestNode struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Role    string `yaml:"role"`
	ShardID int    `yaml:"shard_id"`
}

// LoadManifest reads a cluster manifest file
func LoadManifest(path string) ([]*model.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML
func ParseManifest(data []byte) ([]*model.Node, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Nodes))
	nodes := make([]*model.Node, 0, len(m.Nodes))
	for i, n := range m.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("manifest node %d: id is required", i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("manifest node %d: duplicate id %s", i, n.ID)
		}
		seen[n.ID] = true

		role := model.NodeRole(n.Role)
		switch role {
		case "":
			role = model.NodeRolePrimary
		case model.NodeRolePrimary, model.NodeRoleReplica, model.NodeRoleStandby:
		default:
			return nil, fmt.Errorf("manifest node %s: unknown role %q", n.ID, n.Role)
		}

		address := n.Address
		if address == "" {
			address = n.ID
		}
		nodes = append(nodes, &model.Node{
			NodeID:  n.ID,
			Address: address,
			Role:    role,
			ShardID: n.ShardID,
		})
	}
	return nodes, nil
}

// StaticNodes turns a list of node ids into primary nodes
func StaticNodes(ids []string) []*model.Node {
	nodes := make([]*model.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, &model.Node{NodeID: id, Address: id, Role: model.NodeRolePrimary})
	}
	return nodes
}
