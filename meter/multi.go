package meter

import "github.com/ineyio/genquota"

// Multi fans every event out to each meter in order.
type Multi []genquota.Meter

var _ genquota.Meter = Multi(nil)

func (m Multi) OnConsume(e genquota.ConsumeEvent) {
	for _, mm := range m {
		mm.OnConsume(e)
	}
}

func (m Multi) OnGenerate(e genquota.GenerateEvent) {
	for _, mm := range m {
		mm.OnGenerate(e)
	}
}
