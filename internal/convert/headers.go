package convert

// Private headers carrying the raw record, so a message can be restored exactly.
const (
	HeaderID            = "X-smssync-id"
	HeaderAddress       = "X-smssync-address"
	HeaderDataType      = "X-smssync-datatype"
	HeaderType          = "X-smssync-type"
	HeaderDate          = "X-smssync-date"
	HeaderThreadID      = "X-smssync-thread"
	HeaderRead          = "X-smssync-read"
	HeaderStatus        = "X-smssync-status"
	HeaderProtocol      = "X-smssync-protocol"
	HeaderServiceCenter = "X-smssync-service_center"
	HeaderBackupTime    = "X-smssync-backup-time"
	HeaderVersion       = "X-smssync-version"
	HeaderDuration      = "X-smssync-duration"
)

// FlagSeen is the IMAP flag set on messages that were read on the phone.
const FlagSeen = `\Seen`

const (
	mailDomain     = "sms-backup-sync.local"
	unknownDomain  = "unknown.email"
	unknownAddress = "unknown"
)

// Call types of the phone's call log.
const (
	callIncoming = 1
	callOutgoing = 2
	callMissed   = 3
)
