package mutationlog_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestMutationLog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "MutationLog Suite")
}
