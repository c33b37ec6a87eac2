package gateway

import (
	"net/http"
	"sort"
)

// ProxyAction is the form action the proxy answers to.
const ProxyAction = "tb_api_proxy"

// APIPrefix is prepended to every operation path on the backend.
const APIPrefix = "/api/v1"

// PathSuffixParam carries the dynamic tail of a path, e.g. a booking reference.
const PathSuffixParam = "_path_suffix"

type Operation struct {
	Name   string
	Method string
	Path   string
	// Dynamic operations take the rest of their path from PathSuffixParam.
	Dynamic bool
	// Cacheable GET answers change rarely and may be served from cache.
	Cacheable bool
}

var operations = map[string]Operation{
	"google_maps_config":  {Method: http.MethodGet, Path: "/locations/google-maps-config/", Cacheable: true},
	"get_pricing":         {Method: http.MethodGet, Path: "/locations/routes/get_pricing/"},
	"search_transfers":    {Method: http.MethodGet, Path: "/locations/routes/get_pricing/"},
	"get_extras":          {Method: http.MethodGet, Path: "/transfers/extras/"},
	"get_categories":      {Method: http.MethodGet, Path: "/vehicles/categories/", Cacheable: true},
	"get_quote":           {Method: http.MethodPost, Path: "/transfers/quote/"},
	"create_booking":      {Method: http.MethodPost, Path: "/transfers/"},
	"get_booking_by_ref":  {Method: http.MethodGet, Path: "/transfers/by-ref/", Dynamic: true},
	"create_payment":      {Method: http.MethodPost, Path: "/payments/"},
	"confirm_payment":     {Method: http.MethodPost, Path: "/payments/confirm/"},
	"get_gateways":        {Method: http.MethodGet, Path: "/payments/gateways/", Cacheable: true},
	"validate_coupon":     {Method: http.MethodPost, Path: "/payments/coupons/validate/"},
	"get_trips":           {Method: http.MethodGet, Path: "/trips/", Cacheable: true},
	"get_trip_detail":     {Method: http.MethodGet, Path: "/trips/", Dynamic: true},
	"get_trip_schedules":  {Method: http.MethodGet, Path: "/trips/", Dynamic: true},
	"create_trip_booking": {Method: http.MethodPost, Path: "/trips/bookings/"},
	"rental_search":       {Method: http.MethodGet, Path: "/rentals/search/"},
	"rental_cities":       {Method: http.MethodGet, Path: "/rentals/cities/", Cacheable: true},
	"rental_create":       {Method: http.MethodPost, Path: "/rentals/"},
	"rental_by_ref":       {Method: http.MethodGet, Path: "/rentals/by-ref/", Dynamic: true},
	"rental_insurance":    {Method: http.MethodGet, Path: "/rentals/insurance/"},
	"rental_extras":       {Method: http.MethodGet, Path: "/rentals/extras/"},
}

// Lookup returns the allow-listed operation with the given name.
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	if ok {
		op.Name = name
	}
	return op, ok
}

// Operations lists the allow-listed names in sorted order.
func Operations() []string {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
