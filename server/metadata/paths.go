package metadata

import (
	"strconv"
	"strings"
)

// Store paths. Paths are slash separated with no leading slash.
const (
	TopicsPath                   = "topics"
	AdminPath                    = "admin"
	DeleteTopicsPath             = "admin/delete_topics"
	DeleteTopicsEnabledPath      = "admin/delete_topics_enabled"
	ReassignPartitionsPath       = "admin/reassign_partitions"
	PreferredReplicaElectionPath = "admin/preferred_replica_election"
	ControllerPath               = "controller"
	ControllerEpochPath          = "controller_epoch"
)

// TopicPath returns the path of a topic's assignment record.
func TopicPath(topic string) string {
	return TopicsPath + "/" + topic
}

// PartitionsPath returns the parent path of a topic's partition states.
func PartitionsPath(topic string) string {
	return TopicPath(topic) + "/partitions"
}

// PartitionStatePath returns the path of a partition's leader/ISR record.
func PartitionStatePath(topic string, partition int32) string {
	return PartitionsPath(topic) + "/" + strconv.FormatInt(int64(partition), 10) + "/state"
}

// DeleteTopicPath returns the deletion marker path for a topic.
func DeleteTopicPath(topic string) string {
	return DeleteTopicsPath + "/" + topic
}

// JoinPath joins path segments with slashes, skipping empty segments.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// ParsePartitionStatePath extracts the topic and partition from a partition
// state path. The final return is false if path is not a partition state path.
func ParsePartitionStatePath(path string) (string, int32, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 || parts[0] != TopicsPath || parts[2] != "partitions" || parts[4] != "state" {
		return "", 0, false
	}
	p, err := strconv.ParseInt(parts[3], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return parts[1], int32(p), true
}

// underPrefix reports whether path is prefix itself or lies below it. An
// empty prefix matches every path.
func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
