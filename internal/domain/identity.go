package domain

import (
	"fmt"
	"os"
)

// InstanceID builds the claimedBy identity for this process: the hostname
// joined with the configured instance index. Two replicas on the same host
// must be given distinct indexes.
func InstanceID(index string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "linehaul"
	}
	if index == "" {
		index = "0"
	}
	return fmt.Sprintf("%s-%s", host, index)
}
