package tenant_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/edgeproxy/tenant"
)

var _ = Describe("Manager resource limits", func() {
	var mgr *tenant.Manager

	BeforeEach(func() {
		mgr = tenant.NewManager()
		mgr.AddTenant(tenant.Config{
			ID: "acme", Name: "Acme Corp", Enabled: true,
			Limits: tenant.ResourceLimits{MaxConnections: 100},
		})
	})

	When("usage stays under every limit", func() {
		It("reports no violations", func() {
			Expect(mgr.UpdateResourceUsage("acme", tenant.Usage{Connections: 50})).To(Succeed())
			violations, err := mgr.CheckResourceViolations("acme")
			Expect(err).NotTo(HaveOccurred())
			Expect(violations).To(BeEmpty())
		})
	})

	When("usage exceeds a configured limit", func() {
		It("raises a violation for the offending resource", func() {
			Expect(mgr.UpdateResourceUsage("acme", tenant.Usage{Connections: 200})).To(Succeed())
			violations, err := mgr.CheckResourceViolations("acme")
			Expect(err).NotTo(HaveOccurred())
			Expect(violations).To(HaveLen(1))
			Expect(violations[0].ResourceType).To(Equal(tenant.ResourceConnections))
			Expect(violations[0].Severity).NotTo(Equal(tenant.SeverityNone))
		})
	})

	When("a tenant is disabled", func() {
		It("is no longer admissible", func() {
			Expect(mgr.IsAdmissible("acme")).To(BeTrue())
			Expect(mgr.Disable("acme")).To(Succeed())
			Expect(mgr.IsAdmissible("acme")).To(BeFalse())
		})
	})

	When("the tenant does not exist", func() {
		It("returns ErrNoSuchTenant from resource operations", func() {
			_, err := mgr.CheckResourceViolations("ghost")
			Expect(err).To(MatchError(tenant.ErrNoSuchTenant))
		})
	})
})
