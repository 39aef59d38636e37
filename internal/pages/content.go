package pages

// Domain is one programme area shown on the public site.
type Domain struct {
	Slug    string
	Name    string
	Summary string
}

// Project is a funded initiative inside a domain.
type Project struct {
	Name    string
	Domain  string
	Summary string
}

// Content is the static copy rendered by the public pages.
type Content struct {
	Domains      []Domain
	Projects     []Project
	ContactEmail string
}

// DefaultContent returns the built-in site copy.
func DefaultContent() Content {
	return Content{
		Domains: []Domain{
			{Slug: "education", Name: "Education", Summary: "After-school tutoring, literacy circles and digital skills for young people."},
			{Slug: "health", Name: "Health", Summary: "Mobile clinics, maternal care and clean water points."},
			{Slug: "livelihoods", Name: "Livelihoods", Summary: "Savings groups, small-business coaching and vocational training."},
			{Slug: "environment", Name: "Environment", Summary: "Community gardens, tree planting and waste collection."},
		},
		Projects: []Project{
			{Name: "Reading Rooms", Domain: "education", Summary: "Neighbourhood libraries staffed by volunteers."},
			{Name: "Code Club", Domain: "education", Summary: "Weekly programming lessons for teenagers."},
			{Name: "Clinic on Wheels", Domain: "health", Summary: "A van bringing nurses to outlying villages twice a month."},
			{Name: "Village Savings", Domain: "livelihoods", Summary: "Rotating savings groups for women entrepreneurs."},
			{Name: "Green Corners", Domain: "environment", Summary: "Turning vacant lots into shared vegetable gardens."},
		},
		ContactEmail: "hello@communityfund.org",
	}
}

// ProjectsIn filters projects by domain slug. An empty slug returns all.
func (c Content) ProjectsIn(slug string) []Project {
	if slug == "" {
		return c.Projects
	}
	out := make([]Project, 0, len(c.Projects))
	for _, p := range c.Projects {
		if p.Domain == slug {
			out = append(out, p)
		}
	}
	return out
}

func (c Content) hasDomain(slug string) bool {
	for _, d := range c.Domains {
		if d.Slug == slug {
			return true
		}
	}
	return false
}
