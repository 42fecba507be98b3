package store

// Redis key layout:
//
//	heartbeat:device:{device_id}   hash holding one DeviceState
//	heartbeat:devices              zset of device ids scored by last_seen
//	heartbeat:reports              zset of report JSON scored by server_timestamp
//	heartbeat:reports:{device_id}  per-device zset of report JSON
//	heartbeat:boots                counter of boot reports
const (
	redisKeyPrefix  = "heartbeat"
	devicesIndexKey = redisKeyPrefix + ":devices"
	reportsIndexKey = redisKeyPrefix + ":reports"
	bootCountKey    = redisKeyPrefix + ":boots"
)

func deviceKey(deviceID string) string {
	return redisKeyPrefix + ":device:" + deviceID
}

func deviceReportsKey(deviceID string) string {
	return reportsIndexKey + ":" + deviceID
}
