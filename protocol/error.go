package protocol

import "fmt"

// Error is a wire-visible error. The codes follow the Kafka protocol error
// code table so clients built against it behave sensibly against keg.
type Error struct {
	code int16
	msg  string
	err  error
}

var (
	ErrUnknown                      = Error{code: -1, msg: "unknown"}
	ErrNone                         = Error{code: 0, msg: "none"}
	ErrOffsetOutOfRange             = Error{code: 1, msg: "offset out of range"}
	ErrCorruptMessage               = Error{code: 2, msg: "corrupt message"}
	ErrUnknownTopicOrPartition      = Error{code: 3, msg: "unknown topic or partition"}
	ErrLeaderNotAvailable           = Error{code: 5, msg: "leader not available"}
	ErrNotLeaderForPartition        = Error{code: 6, msg: "not leader for partition"}
	ErrRequestTimedOut              = Error{code: 7, msg: "request timed out"}
	ErrBrokerNotAvailable           = Error{code: 8, msg: "broker not available"}
	ErrReplicaNotAvailable          = Error{code: 9, msg: "replica not available"}
	ErrMessageTooLarge              = Error{code: 10, msg: "message too large"}
	ErrStaleControllerEpoch         = Error{code: 11, msg: "stale controller epoch"}
	ErrNetworkException             = Error{code: 13, msg: "network exception"}
	ErrInvalidTopic                 = Error{code: 17, msg: "invalid topic"}
	ErrRecordListTooLarge           = Error{code: 18, msg: "record list too large"}
	ErrNotEnoughReplicas            = Error{code: 19, msg: "not enough replicas"}
	ErrNotEnoughReplicasAfterAppend = Error{code: 20, msg: "not enough replicas after append"}
	ErrInvalidRequiredAcks          = Error{code: 21, msg: "invalid required acks"}
	ErrInvalidTimestamp             = Error{code: 32, msg: "invalid timestamp"}
	ErrUnsupportedVersion           = Error{code: 35, msg: "unsupported version"}
	ErrNotController                = Error{code: 41, msg: "not controller"}
	ErrInvalidRequest               = Error{code: 42, msg: "invalid request"}
	ErrPolicyViolation              = Error{code: 44, msg: "policy violation"}
	ErrKafkaStorageError            = Error{code: 56, msg: "disk error when trying to access log file on the disk"}
	ErrLogDirNotFound               = Error{code: 57, msg: "log dir not found"}
	ErrFencedLeaderEpoch            = Error{code: 74, msg: "fenced leader epoch"}
	ErrUnknownLeaderEpoch           = Error{code: 75, msg: "unknown leader epoch"}
	ErrPreferredLeaderNotAvailable  = Error{code: 80, msg: "preferred leader not available"}
	ErrElectionNotNeeded            = Error{code: 84, msg: "election not needed"}
)

func (e Error) Code() int16 {
	return e.code
}

// WithErr attaches the underlying cause. The code and comparisons against
// the package vars are unaffected only when the cause is nil, so compare
// codes, not structs, once WithErr may have been applied.
func (e Error) WithErr(err error) Error {
	return Error{code: e.code, msg: e.msg, err: err}
}

func (e Error) Err() error {
	return e.err
}

func (e Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

// ErrorForCode maps a wire code back onto the package var, for responses
// coming in from remote leaders.
func ErrorForCode(code int16) Error {
	for _, e := range []Error{
		ErrNone, ErrOffsetOutOfRange, ErrCorruptMessage, ErrUnknownTopicOrPartition,
		ErrLeaderNotAvailable, ErrNotLeaderForPartition, ErrRequestTimedOut,
		ErrBrokerNotAvailable, ErrReplicaNotAvailable, ErrMessageTooLarge,
		ErrStaleControllerEpoch, ErrNetworkException, ErrInvalidTopic,
		ErrRecordListTooLarge, ErrNotEnoughReplicas, ErrNotEnoughReplicasAfterAppend,
		ErrInvalidRequiredAcks, ErrInvalidTimestamp, ErrUnsupportedVersion,
		ErrNotController, ErrInvalidRequest, ErrPolicyViolation, ErrKafkaStorageError,
		ErrLogDirNotFound, ErrFencedLeaderEpoch, ErrUnknownLeaderEpoch,
		ErrPreferredLeaderNotAvailable, ErrElectionNotNeeded,
	} {
		if e.code == code {
			return e
		}
	}
	return ErrUnknown
}
