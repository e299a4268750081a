package serverrt_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestServerrt(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ServerRT Suite")
}
