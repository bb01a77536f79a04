// Package http exposes the booking service as a JSON API.
//
// Every endpoint except GET /healthz requires an `Authorization: Bearer`
// token issued by the login gateway. Authenticated requests are rate limited
// per principal.
//
//   - GET /bookings: one page of bookings grouped by room. Query: roomId,
//     mode (today, upcoming, range, all), from, to, page, scope=all, userId.
//   - GET /bookings/calendar?from=&to=: every booking overlapping the window.
//   - GET /bookings/:id: a single booking, including cancelled ones.
//   - POST /bookings: body {room_id, user_id?, start_time, end_time,
//     recurrence_rule?, recurrence_end_date?}.
//   - PATCH /bookings/:id: body {room_id, start_time, end_time, update_future}.
//   - DELETE /bookings/:id?series=true
//   - GET /rooms, POST /rooms, PUT /rooms/:id, GET /rooms/:id/availability?date=YYYY-MM-DD
//   - GET /users, PATCH /users/:id: body {blocked?, active?, role?}.
//   - POST /push/subscriptions: body {endpoint, keys: {p256dh, auth}}.
//
// Validation failures answer 400 with per-field messages, booking conflicts
// 409 with the blocking window.
package http
