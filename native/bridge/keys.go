package bridge

import "encoding/hex"

var (
	escrowRecordPrefix = []byte("bridge/escrow/")
	escrowIndexKey     = []byte("bridge/escrow/index")
)

func escrowRecordKey(key EscrowKey) []byte {
	local := hex.EncodeToString(key.LocalToken[:])
	remote := hex.EncodeToString(key.RemoteToken[:])
	id := key.TokenID.Text(16)
	buf := make([]byte, 0, len(escrowRecordPrefix)+len(local)+len(remote)+len(id)+2)
	buf = append(buf, escrowRecordPrefix...)
	buf = append(buf, local...)
	buf = append(buf, '/')
	buf = append(buf, remote...)
	buf = append(buf, '/')
	buf = append(buf, id...)
	return buf
}
