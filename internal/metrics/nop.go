package metrics

// NopRecorder discards everything
type NopRecorder struct{}

var _ Recorder = NopRecorder{}

func (NopRecorder) RecordHit(string, float64)                  {}
func (NopRecorder) RecordMiss(float64)                         {}
func (NopRecorder) RecordEviction(int)                         {}
func (NopRecorder) RecordQuorumFailure(string)                 {}
func (NopRecorder) RecordReplicaWrite(string, string)          {}
func (NopRecorder) RecordReplicaRead(string, string)           {}
func (NopRecorder) RecordReplicaDelete(string, string)         {}
func (NopRecorder) SetNodeStatus(string, string)               {}
func (NopRecorder) SetClusterStatus(string)                    {}
func (NopRecorder) RecordLock(string)                          {}
func (NopRecorder) RecordRebalance(string, int64)              {}
func (NopRecorder) RecordRequest(string, string, int, float64) {}
