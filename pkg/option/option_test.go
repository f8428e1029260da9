package option

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParas() Paras {
	return Paras{Config: "exp.yaml", NJobs: 6, LocalRank: NoLocalRank, Backend: "nccl"}
}

func TestFinalizeNegatesFlags(t *testing.T) {
	for _, cpu := range []bool{false, true} {
		for _, noPin := range []bool{false, true} {
			for _, noMsg := range []bool{false, true} {
				p := Paras{CPU: cpu, NoPin: noPin, NoMsg: noMsg}
				p.Finalize()
				assert.Equal(t, !cpu, p.GPU)
				assert.Equal(t, !noPin, p.PinMemory)
				assert.Equal(t, !noMsg, p.Verbose)
			}
		}
	}
}

func TestValidateRejectsTestWithLoad(t *testing.T) {
	for _, lm := range []bool{false, true} {
		p := validParas()
		p.Test, p.Load, p.LM = true, "ckpt/asr/latest.ckpt", lm
		assert.ErrorIs(t, p.Validate(), ErrTestWithLoad)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Paras)
		ok     bool
	}{
		{"defaults", func(*Paras) {}, true},
		{"missing config", func(p *Paras) { p.Config = "" }, false},
		{"zero jobs", func(p *Paras) { p.NJobs = 0 }, false},
		{"negative reserve", func(p *Paras) { p.ReserveGPU = -1 }, false},
		{"both ddp conversions", func(p *Paras) { p.LoadDDPToNonDDP, p.LoadNonDDPToDDP = true, true }, false},
		{"load while training", func(p *Paras) { p.Load = "x.ckpt" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParas()
			tt.mutate(&p)
			if tt.ok {
				assert.NoError(t, p.Validate())
			} else {
				assert.Error(t, p.Validate())
			}
		})
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		lm, test bool
		kind     Kind
		mode     string
	}{
		{false, false, TrainASR, ModeTrain},
		{false, true, TestASR, ModeTest},
		{true, false, TrainLM, ModeTrain},
		{true, true, TrainLM, ModeTrain},
	}
	for _, tt := range tests {
		p := validParas()
		p.LM, p.Test = tt.lm, tt.test
		kind, mode, err := p.Select()
		require.NoError(t, err)
		assert.Equal(t, tt.kind, kind, "lm=%v test=%v", tt.lm, tt.test)
		assert.Equal(t, tt.mode, mode)
	}
}

func TestSelectTestWithLoad(t *testing.T) {
	p := validParas()
	p.Test, p.Load = true, "x.ckpt"
	_, _, err := p.Select()
	assert.ErrorIs(t, err, ErrTestWithLoad)
}

func TestDistributed(t *testing.T) {
	p := validParas()
	assert.False(t, p.Distributed())
	p.LocalRank = 0
	assert.True(t, p.Distributed())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "train-asr", TrainASR.String())
	assert.Equal(t, "test-asr", TestASR.String())
	assert.Equal(t, "train-lm", TrainLM.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
