package server_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

func TestServerSuite(t *testing.T) {
	gomega.RegisterFailHandler(Fail)
	RunSpecs(t, "server integration suite")
}
