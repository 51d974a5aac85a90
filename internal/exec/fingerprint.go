package exec

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ActionIDs mints client ids. Open and swap ids are random; close ids hash the
// strategy, position and attempt so a reissued close carries the same id and
// a retry after a failure does not.
type ActionIDs struct {
	strategyID string
}

func NewActionIDs(strategyID string) ActionIDs {
	return ActionIDs{strategyID: strategyID}
}

func (a ActionIDs) OpenID() string {
	return "open-" + uuid.NewString()
}

func (a ActionIDs) SwapID() string {
	return "swap-" + uuid.NewString()
}

func (a ActionIDs) CloseID(positionID string, attempt int) string {
	payload, err := msgpack.Marshal([]any{a.strategyID, "close", positionID, attempt})
	if err != nil {
		return "close-" + positionID + "-" + strconv.Itoa(attempt)
	}
	sum := crypto.Keccak256(payload)
	return "close-" + hex.EncodeToString(sum[:16])
}
