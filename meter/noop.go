package meter

import "github.com/ineyio/genquota"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ genquota.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnConsume(genquota.ConsumeEvent)   {}
func (m *NoopMeter) OnGenerate(genquota.GenerateEvent) {}
