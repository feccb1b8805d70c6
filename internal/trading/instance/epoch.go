package instance

import (
	"sort"

	"trade_engine/internal/core"
)

type epochKey struct {
	topic core.TopicKey
	epoch int64
}

// epochCache groups strategy signals by (topic, epoch) until every strategy
// subscribed to the topic has reported. A newer epoch on a topic flushes the
// older ones; signals at or below the last flushed epoch are late.
type epochCache struct {
	expected map[core.TopicKey]int
	entries  map[epochKey]map[string]core.Signal
	resolved map[core.TopicKey]int64
}

type resolvedEpoch struct {
	key     epochKey
	signals []core.Signal
	partial bool
}

func newEpochCache(strategies map[string]core.TopicKey) *epochCache {
	expected := make(map[core.TopicKey]int)
	for _, topic := range strategies {
		expected[topic]++
	}
	return &epochCache{
		expected: expected,
		entries:  make(map[epochKey]map[string]core.Signal),
		resolved: make(map[core.TopicKey]int64),
	}
}

// add records sig and returns every epoch that became ready, oldest first.
// late is true when sig arrived after its epoch was already resolved.
func (c *epochCache) add(sig core.StrategySignal) (ready []resolvedEpoch, late bool) {
	if last, ok := c.resolved[sig.Topic]; ok && sig.Epoch <= last {
		return nil, true
	}

	// older epochs of the same topic will not complete anymore
	var superseded []epochKey
	for key := range c.entries {
		if key.topic == sig.Topic && key.epoch < sig.Epoch {
			superseded = append(superseded, key)
		}
	}
	sort.Slice(superseded, func(i, j int) bool { return superseded[i].epoch < superseded[j].epoch })
	for _, key := range superseded {
		ready = append(ready, c.flush(key, true))
	}

	key := epochKey{topic: sig.Topic, epoch: sig.Epoch}
	entry, ok := c.entries[key]
	if !ok {
		entry = make(map[string]core.Signal)
		c.entries[key] = entry
	}
	entry[sig.StrategyID] = sig.Signal

	if len(entry) >= c.expected[sig.Topic] {
		ready = append(ready, c.flush(key, false))
	}
	return ready, false
}

func (c *epochCache) flush(key epochKey, partial bool) resolvedEpoch {
	entry := c.entries[key]
	delete(c.entries, key)
	if key.epoch > c.resolved[key.topic] {
		c.resolved[key.topic] = key.epoch
	}

	ids := make([]string, 0, len(entry))
	for id := range entry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	signals := make([]core.Signal, 0, len(ids))
	for _, id := range ids {
		signals = append(signals, entry[id])
	}
	return resolvedEpoch{key: key, signals: signals, partial: partial}
}

func (c *epochCache) len() int {
	return len(c.entries)
}

// Decision is what the combination rule asks the instance to do
type Decision int

const (
	DecisionNone Decision = iota
	DecisionBuy
	DecisionSell
)

func (d Decision) String() string {
	switch d {
	case DecisionBuy:
		return "buy"
	case DecisionSell:
		return "sell"
	}
	return "none"
}

// combineOr fires a buy trigger in WaitBuy when any strategy says Buy and a
// sell trigger in WaitSell when any strategy says Sell
func combineOr(state core.State, signals []core.Signal) Decision {
	want := core.SignalBuy
	decision := DecisionBuy
	if state == core.StateWaitSell {
		want = core.SignalSell
		decision = DecisionSell
	}
	for _, s := range signals {
		if s == want {
			return decision
		}
	}
	return DecisionNone
}
