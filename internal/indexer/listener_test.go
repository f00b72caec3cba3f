package indexer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestDecodeLogToPayloadNullifierSpent(t *testing.T) {
	lg := types.Log{
		Topics:      []common.Hash{topicNullifierSpent, common.HexToHash("0xabc")},
		TxHash:      common.HexToHash("0xdef"),
		BlockNumber: 123,
	}
	payload, group, dedup, err := decodeLogToPayload(lg)
	require.NoError(t, err)
	require.Equal(t, KindNullifierSpend, payload.Kind)
	require.Equal(t, lg.Topics[1].Hex(), payload.Nullifier)
	require.Equal(t, lg.Topics[1].Hex(), group)
	require.NotEmpty(t, dedup)
}

func TestDecodeLogToPayloadUnknownTopicErrors(t *testing.T) {
	lg := types.Log{
		Topics: []common.Hash{common.HexToHash("0x1"), common.HexToHash("0x2")},
	}
	_, _, _, err := decodeLogToPayload(lg)
	require.Error(t, err)
}

func TestFamilyTopicsPublicIntentCoversAllThreeEvents(t *testing.T) {
	topics := familyTopics(EventFamilyPublicIntent)
	require.ElementsMatch(t, []common.Hash{topicPublicIntentCreate, topicPublicIntentUpdate, topicPublicIntentCancel}, topics)
}
