package app

// Minimal server-rendered pages backing the route guard. The real UI
// consumes the JSON API; these exist so the guard's two path classes
// resolve to something visible.

const landingPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Linkstash</title></head>
<body>
  <h1>Linkstash</h1>
  <p>Keep your bookmarks in one place, synchronized everywhere.</p>
  <a href="/auth/login">Sign in with Google</a>
</body>
</html>
`

const homePage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Linkstash — Home</title></head>
<body>
  <h1>Your bookmarks</h1>
  <p>This session is live. Fetch <code>/api/bookmarks</code> or stream <code>/api/bookmarks/feed</code>.</p>
  <form method="post" action="/auth/logout"><button type="submit">Sign out</button></form>
</body>
</html>
`
