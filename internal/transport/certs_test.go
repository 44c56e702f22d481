package transport

import (
	"testing"

	"github.com/ChuLiYu/simfarm/internal/transport/transporttest"
)

type testPKI struct{ *transporttest.PKI }

func newTestPKI(t *testing.T) testPKI { return testPKI{transporttest.NewPKI(t)} }

func (p testPKI) issue(t *testing.T, name string) TLSConfig {
	f := p.Issue(t, name)
	return TLSConfig{CertFile: f.CertFile, KeyFile: f.KeyFile, CAFile: f.CAFile}
}
