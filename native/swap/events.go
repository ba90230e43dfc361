package swap

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"dutchmarket/core/types"
)

const EventTypeBasketExecuted = "swap.basket.executed"

type basketExecuted struct {
	Caller [20]byte
	Total  *big.Int
	Legs   int
}

func (basketExecuted) EventType() string { return EventTypeBasketExecuted }

func (e basketExecuted) Event() *types.Event {
	total := "0"
	if e.Total != nil {
		total = e.Total.String()
	}
	return &types.Event{
		Type: EventTypeBasketExecuted,
		Attributes: map[string]string{
			"caller": "0x" + hex.EncodeToString(e.Caller[:]),
			"total":  total,
			"legs":   strconv.Itoa(e.Legs),
		},
	}
}
