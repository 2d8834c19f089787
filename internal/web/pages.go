package web

const faviconTag = `<link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>🕌</text></svg>">`

const baseStyle = `
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; background: #1a1a2e; color: #eee; min-height: 100vh; }
  .btn { padding: 12px; border: none; border-radius: 8px; font-size: 15px; cursor: pointer; font-weight: bold; transition: all 0.2s; }
  .btn:hover { opacity: 0.85; }
  .link-btn { padding: 8px 16px; border: 1px solid #555; border-radius: 6px; background: transparent; color: #aaa; cursor: pointer; font-size: 13px; text-decoration: none; }
  .link-btn:hover { border-color: #e94560; color: #e94560; }
`

const loginHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>AdhaanLive</title>
` + faviconTag + `
<style>` + baseStyle + `
  body { display: flex; align-items: center; justify-content: center; }
  .login-box { background: #16213e; border-radius: 16px; padding: 40px; width: 360px; }
  h1 { text-align: center; margin-bottom: 30px; color: #e94560; font-size: 22px; }
  .field { margin-bottom: 20px; }
  label { display: block; margin-bottom: 6px; font-size: 14px; color: #aaa; }
  input { width: 100%; padding: 12px; border: 1px solid #333; border-radius: 8px; background: #0f3460; color: #eee; font-size: 16px; outline: none; }
  input:focus { border-color: #e94560; }
  .login-box .btn { width: 100%; background: #e94560; color: #fff; }
  .error { color: #e94560; text-align: center; margin-top: 15px; font-size: 14px; display: none; }
</style>
</head>
<body>
<div class="login-box">
  <h1>🕌 AdhaanLive</h1>
  <form id="loginForm">
    <div class="field">
      <label>Username</label>
      <input type="text" name="username" id="username" autocomplete="username" required>
    </div>
    <div class="field">
      <label>Password</label>
      <input type="password" name="password" id="password" autocomplete="current-password" required>
    </div>
    <button type="submit" class="btn">Log in</button>
    <div class="error" id="error"></div>
  </form>
</div>
<script>
document.getElementById('loginForm').onsubmit = async function(e) {
  e.preventDefault();
  var form = new FormData(e.target);
  var res = await fetch('/api/login', { method: 'POST', body: new URLSearchParams(form) });
  if (res.ok) {
    window.location.href = '/';
  } else {
    var el = document.getElementById('error');
    el.textContent = 'Invalid username or password';
    el.style.display = 'block';
  }
};
</script>
</body>
</html>`

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>AdhaanLive</title>
` + faviconTag + `
<style>` + baseStyle + `
  body { padding: 20px; }
  .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 30px; flex-wrap: wrap; gap: 10px; }
  h1 { font-size: 24px; color: #e94560; }
  h2 { font-size: 18px; color: #e94560; margin-bottom: 12px; }
  .header-right { display: flex; gap: 10px; align-items: center; }
  .header-right span { font-size: 13px; color: #aaa; }
  .card { background: #16213e; border-radius: 12px; padding: 20px; margin-bottom: 20px; }
  .status { display: flex; gap: 8px; align-items: center; margin-bottom: 16px; flex-wrap: wrap; }
  .badge { padding: 3px 10px; border-radius: 12px; font-size: 12px; font-weight: bold; }
  .badge-idle { background: #444; }
  .badge-listening { background: #0f3460; }
  .badge-adhaan_active { background: #e94560; }
  .badge-warn { background: #e9a045; color: #000; }
  .grid { display: flex; flex-wrap: wrap; gap: 15px; }
  .cell { background: #0f3460; border-radius: 8px; padding: 12px 15px; min-width: 150px; flex: 1; }
  .cell .k { font-size: 12px; color: #aaa; margin-bottom: 4px; }
  .cell .v { font-size: 16px; }
  .controls { display: flex; gap: 10px; margin-top: 16px; flex-wrap: wrap; }
  .btn-start { background: #4ecca3; color: #000; }
  .btn-stop { background: #e94560; color: #fff; }
  .btn-mute { background: #e9a045; color: #000; }
  table { width: 100%; border-collapse: collapse; }
  th, td { padding: 6px 8px; text-align: left; border-top: 1px solid #0f3460; font-size: 13px; }
  th { color: #aaa; font-weight: normal; font-size: 12px; border-top: none; }
  .muted { color: #666; }
  a { color: #4ecca3; text-decoration: none; }
</style>
</head>
<body>
<div class="header">
  <h1>🕌 AdhaanLive</h1>
  <div class="header-right">
    <span id="userInfo"></span>
    <a href="/api/logout" class="link-btn" id="logoutLink" style="display:none">Log out</a>
  </div>
</div>

<div class="card">
  <div class="status" id="badges"></div>
  <div class="grid" id="status"><div class="muted">Loading...</div></div>
  <div class="controls">
    <button class="btn btn-start" onclick="control('detection/start')">👂 Start detection</button>
    <button class="btn btn-stop" onclick="control('detection/stop')">⏹ Stop detection</button>
    <button class="btn btn-mute" onclick="control('playback/stop')">🔇 Stop playback</button>
  </div>
</div>

<div class="card">
  <h2>🗓 Today</h2>
  <div id="schedule" class="muted">Loading...</div>
</div>

<div class="card">
  <h2>📜 Events</h2>
  <div id="events" class="muted">Loading...</div>
</div>

<div class="card">
  <div style="display:flex;justify-content:space-between;align-items:center;margin-bottom:12px;">
    <h2 style="margin:0;">🎧 Sessions</h2>
    <button class="link-btn" onclick="loadHistory()">Refresh</button>
  </div>
  <div id="sessions" class="muted">Loading...</div>
  <div id="recordings" style="margin-top:16px;"></div>
</div>
<script>
function escapeHTML(str) {
  if (str === undefined || str === null) return '';
  return String(str).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;');
}

function clock(ts) {
  if (!ts) return '';
  return new Date(ts).toLocaleTimeString([], {hour: '2-digit', minute: '2-digit', second: '2-digit'});
}

function countdown(secs) {
  if (secs <= 0) return 'now';
  var h = Math.floor(secs / 3600), m = Math.floor(secs % 3600 / 60), s = secs % 60;
  return (h ? h + 'h ' : '') + m + 'm ' + s + 's';
}

function cell(k, v) {
  return '<div class="cell"><div class="k">' + k + '</div><div class="v">' + v + '</div></div>';
}

async function getJSON(url) {
  var res = await fetch(url);
  if (res.status === 401) { window.location.href = '/login'; throw new Error('unauthorized'); }
  return res.json();
}

async function init() {
  var me = await getJSON('/api/me');
  if (me.auth) {
    document.getElementById('userInfo').textContent = me.username;
    document.getElementById('logoutLink').style.display = '';
  }
  fetchStatus();
  loadSchedule();
  loadHistory();
  setInterval(fetchStatus, 2000);
  setInterval(loadEvents, 10000);
}

async function fetchStatus() {
  var s = await getJSON('/api/status');
  var d = s.detection || {};
  var badges = '<span class="badge badge-' + s.state + '">' + s.state.replace('_', ' ') + '</span>';
  if (s.suppressed) badges += '<span class="badge badge-warn">window skipped</span>';
  if (s.schedule_stale) badges += '<span class="badge badge-warn">stale schedule</span>';
  if (d.degraded) badges += '<span class="badge badge-warn">frames dropping</span>';
  if (s.source_live === false) badges += '<span class="badge badge-warn">source offline</span>';
  document.getElementById('badges').innerHTML = badges;

  var html = cell('Current prayer', escapeHTML(s.current_prayer || '-')) +
    cell('Next', escapeHTML(s.next_prayer || '-') + ' in ' + countdown(s.seconds_to_next)) +
    cell('Level', (d.db || -100).toFixed(1) + ' dB' + (d.loud ? ' 🔊' : '')) +
    cell('Noise floor', (d.noise_floor || 0).toFixed(4)) +
    cell('Frames', (d.frames_processed || 0) + ' / dropped ' + (d.frames_dropped || 0));
  if (s.window) html += cell('Window', clock(s.window.start) + ' - ' + clock(s.window.end));
  if (s.manual_until) html += cell('Manual until', clock(s.manual_until));
  if (s.session) html += cell('Adhaan since', clock(s.session.start));
  if (s.stream_url) html += cell('Stream', '<a href="' + escapeHTML(s.stream_url) + '" target="_blank">live</a>');
  if (s.last_failure) html += cell('Last failure', escapeHTML(clock(s.last_failure.at) + ' ' + s.last_failure.error));
  if (s.schedule_error) html += cell('Schedule error', escapeHTML(s.schedule_error));
  document.getElementById('status').innerHTML = html;
}

async function control(path) {
  var res = await fetch('/api/control/' + path, {method: 'POST'});
  if (res.status === 401) { window.location.href = '/login'; return; }
  fetchStatus();
  loadEvents();
}

async function loadSchedule() {
  var res = await fetch('/api/schedule');
  var el = document.getElementById('schedule');
  if (!res.ok) { el.textContent = 'Schedule unavailable'; return; }
  var s = await res.json();
  var names = ['Fajr', 'Dhuhr', 'Asr', 'Maghrib', 'Isha'];
  el.className = 'grid';
  el.innerHTML = names.map(function(n) { return cell(n, escapeHTML(s.times[n])); }).join('') +
    cell('Source', escapeHTML(s.source) + (s.stale ? ' (stale)' : ''));
}

async function loadEvents() {
  var events = await getJSON('/api/events?limit=30');
  var el = document.getElementById('events');
  if (!events || events.length === 0) { el.textContent = 'No events yet'; return; }
  el.className = '';
  el.innerHTML = '<table><tr><th>Time</th><th>Event</th><th>Prayer</th><th>dB</th><th>Duration</th></tr>' +
    events.map(function(e) {
      return '<tr><td>' + escapeHTML(new Date(e.timestamp).toLocaleString()) + '</td><td>' + escapeHTML(e.event) +
        '</td><td>' + escapeHTML(e.prayer) + '</td><td>' + e.db.toFixed(1) +
        '</td><td>' + (e.duration_seconds ? Math.round(e.duration_seconds) + 's' : '') + '</td></tr>';
    }).join('') + '</table>';
}

async function loadHistory() {
  loadEvents();
  var sessions = await getJSON('/api/sessions');
  var el = document.getElementById('sessions');
  if (!sessions || sessions.length === 0) {
    el.textContent = 'No sessions yet';
  } else {
    el.className = '';
    el.innerHTML = '<table><tr><th>Start</th><th>Prayer</th><th>Ended</th><th>Reason</th><th>Refreshes</th></tr>' +
      sessions.map(function(s) {
        return '<tr><td>' + escapeHTML(new Date(s.start).toLocaleString()) + '</td><td>' + escapeHTML(s.prayer) +
          '</td><td>' + clock(s.end) + '</td><td>' + escapeHTML(s.end_reason) + '</td><td>' + s.refreshes + '</td></tr>';
      }).join('') + '</table>';
  }

  var files = await getJSON('/api/recordings');
  var rec = document.getElementById('recordings');
  if (!files || files.length === 0) { rec.innerHTML = ''; return; }
  rec.innerHTML = '<table><tr><th>Recording</th><th style="text-align:right">Size</th><th style="text-align:right">Time</th><th></th></tr>' +
    files.map(function(f) {
      var size = f.size < 1048576 ? (f.size/1024).toFixed(1) + ' KB' : (f.size/1048576).toFixed(1) + ' MB';
      return '<tr><td>' + escapeHTML(f.name) + '</td><td style="text-align:right" class="muted">' + size +
        '</td><td style="text-align:right" class="muted">' + escapeHTML(f.mod_time) +
        '</td><td style="text-align:right"><a href="/api/recordings/download?file=' + encodeURIComponent(f.name) + '">⬇ Download</a></td></tr>';
    }).join('') + '</table>';
}

init();
</script>
</body>
</html>`
