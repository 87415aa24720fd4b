package wire

// Server message codes (client <-> central server), spec §3/§6.
const (
	CodeLogin                     uint32 = 1
	CodeSetWaitPort               uint32 = 2
	CodeGetPeerAddress            uint32 = 3
	CodeWatchUser                 uint32 = 5
	CodeUnwatchUser               uint32 = 6
	CodeGetUserStatus             uint32 = 7
	CodeIgnoreUser                uint32 = 11
	CodeConnectToPeer             uint32 = 18
	CodeMessageUser               uint32 = 22
	CodeAcknowledgePrivateMessage uint32 = 23
	CodeFileSearch                uint32 = 26
	CodeSetStatus                 uint32 = 28
	CodeServerPing                uint32 = 32
	CodeSharedFoldersFiles         uint32 = 35
	CodeGetUserStats              uint32 = 36
	CodeRoomList                  uint32 = 64
	CodePrivilegedUsers           uint32 = 69
	CodeParentMinSpeed            uint32 = 83
	CodeParentSpeedRatio          uint32 = 84
	CodeWishlistInterval          uint32 = 104
	CodeGetUserPrivileges         uint32 = 122
	CodeBranchLevel               uint32 = 126
	CodeBranchRoot                uint32 = 127
	CodeChildDepth                uint32 = 129
	CodePrivateMessages           uint32 = 22
	CodeHaveNoParent              uint32 = 71
	CodeAcceptChildren            uint32 = 100
	CodeNetInfo                   uint32 = 102
	CodeWishlistSearch            uint32 = 103
)

// Peer message codes (client <-> peer), spec §3/§6. PeerInit and
// PierceFirewall use a raw u8 code instead of u32 — see NewRawBuilder and
// DecodeFrame's raw mode.
const (
	CodePeerInitRaw        uint8 = 1
	CodePierceFirewallRaw  uint8 = 0

	CodeGetShareFileList   uint32 = 4
	CodeBrowseRequest      uint32 = 4
	CodeBrowseResponse     uint32 = 5
	CodeFolderContentsReq  uint32 = 36
	CodeFolderContentsResp uint32 = 37
	CodeTransferRequest    uint32 = 40
	CodeTransferResponse   uint32 = 41
	CodeUploadPlacehold    uint32 = 42
	CodeQueueUpload        uint32 = 43
	CodePlaceInQueueResp   uint32 = 44
	CodeUploadFailed       uint32 = 46
	CodeUploadDenied       uint32 = 50
	CodeQueueFailed        uint32 = 50
	CodePlaceInQueueReq    uint32 = 51
	CodeInfoRequest        uint32 = 15
	CodeInfoResponse       uint32 = 16
	CodeSearchResponse     uint32 = 9
)

// Distributed message codes (parent/child tree), spec §3/§6.
const (
	CodeDistribSearchRequest uint32 = 3
	CodeDistribBranchLevel  uint32 = 4
	CodeDistribBranchRoot   uint32 = 5
	CodeDistribChildDepth   uint32 = 7
)

// ConnType identifies which of the four connection flavors a ConnectionKey
// or PeerInit/ConnectToPeer negotiation names, spec §3.
type ConnType int

const (
	ConnServer ConnType = iota
	ConnPeer
	ConnDistributed
	ConnTransfer
)

func (t ConnType) String() string {
	switch t {
	case ConnServer:
		return "Server"
	case ConnPeer:
		return "Peer"
	case ConnDistributed:
		return "Distributed"
	case ConnTransfer:
		return "Transfer"
	default:
		return "Unknown"
	}
}

// WireToken is the single-letter peer-connection-type token Soulseek puts
// on the wire for PeerInit / ConnectToPeer ("P", "F", "D").
func (t ConnType) WireToken() string {
	switch t {
	case ConnPeer:
		return "P"
	case ConnTransfer:
		return "F"
	case ConnDistributed:
		return "D"
	default:
		return ""
	}
}

// ParseWireToken is the inverse of WireToken.
func ParseWireToken(s string) (ConnType, bool) {
	switch s {
	case "P":
		return ConnPeer, true
	case "F":
		return ConnTransfer, true
	case "D":
		return ConnDistributed, true
	default:
		return ConnServer, false
	}
}
